package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"golang.design/x/clipboard"
	"tasadar.net/tionis/json2mat/convert"
	"tasadar.net/tionis/json2mat/mat"
)

const (
	successMessage = "MATLAB file created successfully."

	exitDecodeError = 1
	exitOtherError  = 2
)

func main() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	app := newApp(os.Stdin, os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failed to run app: %v+", err)
	}
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "json2mat",
		Usage:     "write JSON from stdin to a MATLAB .mat file",
		UsageText: "json2mat -p <path> [options] < input.json",
		Reader:    stdin,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "Path",
				Aliases:   []string{"p"},
				Usage:     "file path, its name without extension names the output",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:    "out-dir",
				Aliases: []string{"o"},
				Usage:   "directory to write the .mat file to",
				EnvVars: []string{"JSON2MAT_OUT_DIR"},
				Value:   ".",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   fmt.Sprintf("input format, one of %v", convert.Formats()),
				EnvVars: []string{"JSON2MAT_FORMAT"},
				Value:   "json",
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "variable name in the .mat file",
				Value: convert.DefaultVariable,
			},
			&cli.BoolFlag{
				Name:  "long-field-names",
				Usage: "allow field names up to 63 characters instead of 31",
				Value: true,
			},
			&cli.BoolFlag{
				Name:  "sanitize-names",
				Usage: "rewrite object keys that are not valid MATLAB field names",
			},
			&cli.BoolFlag{
				Name:    "compress",
				Aliases: []string{"z"},
				Usage:   "zlib-compress the variable",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "read the written file back and check it",
			},
			&cli.PathFlag{
				Name:      "identity",
				Aliases:   []string{"i"},
				Usage:     "age identity file, input is decrypted with it",
				EnvVars:   []string{"JSON2MAT_IDENTITY"},
				TakesFile: true,
			},
			&cli.BoolFlag{
				Name:  "clipboard",
				Usage: "read input from the clipboard instead of stdin",
			},
			&cli.BoolFlag{
				Name:  "strict",
				Usage: "exit non-zero on failure",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "log progress to stderr",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		log.SetOutput(c.App.ErrWriter)
	} else {
		log.SetOutput(io.Discard)
	}

	req := convert.Request{
		Path:     c.String("Path"),
		OutDir:   c.String("out-dir"),
		Format:   c.String("format"),
		Variable: c.String("name"),
		Options: mat.Options{
			ShortFieldNames: !c.Bool("long-field-names"),
			SanitizeNames:   c.Bool("sanitize-names"),
			Compress:        c.Bool("compress"),
		},
		Verify: c.Bool("verify"),
	}

	in, err := openInput(c)
	if err == nil {
		var result *convert.Result
		result, err = convert.Run(req, in)
		if err == nil {
			log.Printf("wrote %d bytes to %s", result.Size, result.Path)
			fmt.Fprintln(c.App.Writer, successMessage)
			return nil
		}
	}

	code := exitOtherError
	var decErr *convert.DecodeError
	if errors.As(err, &decErr) {
		code = exitDecodeError
		fmt.Fprintf(c.App.ErrWriter, "Error decoding JSON input: %v\n", decErr)
	} else {
		fmt.Fprintf(c.App.ErrWriter, "An error occurred: %v\n", err)
	}
	if c.Bool("strict") {
		return cli.Exit("", code)
	}
	return nil
}

// openInput picks the input source and decrypts it when an identity is set.
func openInput(c *cli.Context) (io.Reader, error) {
	var in io.Reader = c.App.Reader
	if c.Bool("clipboard") {
		if err := clipboard.Init(); err != nil {
			return nil, fmt.Errorf("error opening clipboard: %w", err)
		}
		in = bytes.NewReader(clipboard.Read(clipboard.FmtText))
	}
	if identity := c.Path("identity"); identity != "" {
		return decryptInput(in, identity)
	}
	return in, nil
}
