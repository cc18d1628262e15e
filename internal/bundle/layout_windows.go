//go:build windows

package bundle

// Windows virtual environments keep the interpreter at the env root.
const defaultInterpreter = "env/python.exe"
