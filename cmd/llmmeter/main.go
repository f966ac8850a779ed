package main

import "github.com/arclight-ai/llmmeter/internal/cli"

func main() {
	cli.Execute()
}
