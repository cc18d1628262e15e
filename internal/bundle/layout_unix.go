//go:build !windows

package bundle

const defaultInterpreter = "env/bin/python3"
