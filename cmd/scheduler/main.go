package main

import "github.com/ramiqadoumi/go-task-scheduler/services/scheduler/cli"

func main() {
	cli.Execute()
}
