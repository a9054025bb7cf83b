package convert

import "github.com/tidwall/jsonc"

// jsoncIn accepts JSON with comments and trailing commas.
type jsoncIn struct {
}

func (j jsoncIn) isLineByLine() bool {
	return false
}

func (j jsoncIn) convert(data []byte) (interface{}, error) {
	// ToJSON blanks comments out with spaces, so offsets still match the input
	return jsonIn{}.convert(jsonc.ToJSON(data))
}
