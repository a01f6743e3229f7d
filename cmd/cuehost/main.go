package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/stagecue/cuehost/cmd/cuehost/cmd"
)

func main() {
	err := cmd.Execute()
	if err == nil {
		return
	}

	var exitErr *cmd.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Msg != "" {
			fmt.Fprintln(os.Stderr, exitErr.Msg)
		}
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
