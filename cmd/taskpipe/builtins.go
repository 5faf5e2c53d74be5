package main

import (
	"fmt"

	"github.com/reiner-dolp/taskgraph/internal/task"
)

// builtinLookup is the default namespace taskpipe resolves task-graph
// commands against: a handful of arithmetic and string callables enough to
// exercise a JSON configuration end to end without embedding a scripting
// language.
var builtinLookup = map[string]any{
	"math": map[string]any{
		"add": task.CallableFunc(func(args ...any) (any, error) {
			return sumInts(args)
		}),
		"mul": task.CallableFunc(func(args ...any) (any, error) {
			total := 1
			for _, a := range args {
				n, err := toInt(a)
				if err != nil {
					return nil, err
				}
				total *= n
			}
			return total, nil
		}),
	},
	"string": map[string]any{
		"concat": task.CallableFunc(func(args ...any) (any, error) {
			out := ""
			for _, a := range args {
				out += fmt.Sprint(a)
			}
			return out, nil
		}),
	},
	"identity": task.CallableFunc(func(args ...any) (any, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	}),
}

func sumInts(args []any) (any, error) {
	total := 0
	for _, a := range args {
		n, err := toInt(a)
		if err != nil {
			return nil, err
		}
		total += n
	}
	return total, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("taskpipe: expected a number, got %T", v)
	}
}
