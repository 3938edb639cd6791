package flow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrAborted is returned when the operator closes input mid-flow.
var ErrAborted = errors.New("flow aborted")

// Prompter drives a Flow on a line-oriented terminal.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter reads answers from in and writes prompts to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Run shows forms until the flow produces an entry.
func (p *Prompter) Run(ctx context.Context, fl Flow) (Result, error) {
	res := fl.Init()
	for res.Type == ResultForm {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		input, err := p.ask(res)
		if err != nil {
			return Result{}, err
		}
		res, err = fl.Submit(res.StepID, input)
		if err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

func (p *Prompter) ask(res Result) (map[string]any, error) {
	fmt.Fprintf(p.out, "\n== %s ==\n", res.StepID)
	if d := Description(res); d != "" {
		fmt.Fprintln(p.out, d)
	}
	p.printErrors(res)

	input := make(map[string]any, len(res.Schema))
	for _, f := range res.Schema {
		if f.Kind == FieldSelect {
			for i, opt := range f.Options {
				fmt.Fprintf(p.out, "  %d) %s\n", i+1, opt)
			}
		}

		hint := ""
		if s, ok := res.Suggested[f.Key]; ok {
			hint = fmt.Sprint(s)
		} else if f.Default != nil {
			hint = fmt.Sprint(f.Default)
		}
		if hint != "" {
			fmt.Fprintf(p.out, "%s [%s]: ", f.Key, hint)
		} else {
			fmt.Fprintf(p.out, "%s: ", f.Key)
		}

		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			if s, ok := res.Suggested[f.Key]; ok {
				input[f.Key] = s
			}
			continue
		}
		if f.Kind == FieldSelect {
			if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(f.Options) {
				line = f.Options[n-1]
			}
		}
		input[f.Key] = line
	}
	return input, nil
}

func (p *Prompter) printErrors(res Result) {
	if len(res.Errors) == 0 {
		return
	}
	keys := make([]string, 0, len(res.Errors))
	for k := range res.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(p.out, "! %s: %s\n", k, res.Errors[k])
	}
}

func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
