package convert

import "bytes"

type jsonlIn struct {
}

func (j jsonlIn) isLineByLine() bool {
	return true
}

func (j jsonlIn) convert(data []byte) (interface{}, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errBlankLine
	}
	return jsonIn{}.convert(data)
}
