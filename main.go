// File: main.go
package main

import (
	"github.com/xkilldash9x/sparkle/cmd"
)

func main() {
	cmd.Execute()
}
