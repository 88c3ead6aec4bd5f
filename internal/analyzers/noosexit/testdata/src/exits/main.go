package main

import (
	"fmt"
	sysos "os"
	"syscall"
)

func main() {
	if len(sysos.Args) > 3 {
		sysos.Exit(2) // want `do not call os.Exit inside main`
	}
	defer fmt.Println("bye")

	stop := func() {
		syscall.Exit(1) // want `do not call syscall.Exit inside main`
	}
	stop()
	helper()
}

func helper() {
	sysos.Exit(0)
}
