package cli

import "errors"

var (
	errKeyRequired  = errors.New("key is required")
	errTooManyArgs  = errors.New("too many arguments")
	errNegativeHold = errors.New("--hold must not be negative")
)

// keyArg returns the single key argument.
func keyArg(args []string) (string, error) {
	switch len(args) {
	case 0:
		return "", errKeyRequired
	case 1:
		return args[0], nil
	default:
		return "", errTooManyArgs
	}
}
