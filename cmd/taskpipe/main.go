// Command taskpipe loads a task-graph configuration from a JSON file,
// drives it to a named target, and prints the result.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/reiner-dolp/taskgraph/internal/task"
	"github.com/reiner-dolp/taskgraph/pipeline"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	configPath := flag.String("config", "", "path to a JSON task-graph configuration")
	target := flag.String("target", "", "task id to resolve")
	workers := flag.Int("workers", 0, "worker pool size (0 disables the pool, every task dispatches inline)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "taskpipe",
		Level: hclog.Warn,
	})
	if *verbose {
		log.SetLevel(hclog.Debug)
	}

	if *configPath == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "usage: taskpipe -config FILE -target NAME [-workers N]")
		return 1
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		log.Error("reading config", "path", *configPath, "error", err)
		return 1
	}

	cfg, err := pipeline.LoadConfigJSON(data)
	if err != nil {
		log.Error("parsing config", "error", err)
		return 1
	}

	p, err := pipeline.New(cfg, pipeline.Options{
		WorkerCount: *workers,
		LookupTable: []task.LookupBase{builtinLookup},
		Logger:      log,
		Events: pipeline.Events{
			OnTaskDispatch: func(name string, ctx *pipeline.ExecutionContext) {
				log.Debug("dispatching task", "name", name, "target", ctx.Target())
			},
			OnTaskDone: func(name string, _ *task.Task, result any, workerIndex int, _ *pipeline.ExecutionContext) {
				log.Debug("task done", "name", name, "worker", workerIndex)
			},
		},
	})
	if err != nil {
		log.Error("building pipeline", "error", err)
		return 1
	}
	defer p.Terminate()

	done := make(chan struct{})
	var result any
	var runErr error
	_, err = p.Process(*target, func(r any, e error) {
		result, runErr = r, e
		close(done)
	})
	if err != nil {
		log.Error("starting process", "target", *target, "error", err)
		return 1
	}
	<-done

	if runErr != nil {
		log.Error("process failed", "target", *target, "error", runErr)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Println(result)
	}
	return 0
}
