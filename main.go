// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/tvkeep/tvkeep/cmd/tvctl"
)

func main() {
	if err := tvctl.Execute(); err != nil {
		os.Exit(1)
	}
}
