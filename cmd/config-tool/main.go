package main

import (
    "os"

    "github.com/akashicloud/terracotta-platform/pkg/cli"
)

func main() {
    root := cli.NewRootCommand("config-tool", &cli.Env{})
    os.Exit(cli.Execute(root, os.Stderr))
}
