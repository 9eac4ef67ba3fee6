package main

import (
	"os"

	clientcmd "github.com/pranitl/image2model/internal/cmd/client"
)

func main() {
	root := clientcmd.NewRoot()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
