package cmd

import (
	"fmt"
	"io"
)

const banner = `
        _    __      _   _ 
   ___ | |_ / _| ___| |_| |
  / __|| __| |_ / __| __| |
 | (__ | |_|  _| (__| |_| |
  \___| \__|_|  \___|\__|_|
`

func printBanner(w io.Writer) {
	fmt.Fprintf(w, "\x1b[34m%s\x1b[0m", banner)
	fmt.Fprintf(w, "\x1b[32m  PwnDepot CTF client - Version %s\x1b[0m\n\n", Version)
}
