// Command notifyd runs the notification API and the email worker.
//
//	notifyd api --config config.yaml
//	notifyd worker --config config.yaml
//	notifyd queue info
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(&app{out: os.Stdout}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
