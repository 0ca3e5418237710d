package main

import (
	"github.com/eleven-am/call-orchestrator/internal/bootstrap"
)

func main() {
	bootstrap.Run()
}
