// Command vbgctl drives the voice biometrics service from the shell. It reads
// its credentials from the VOICE_CHECK_VBG_ environment variables.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(clientFromEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
