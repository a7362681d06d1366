package retry

import "errors"

var (
	errNoCustomDelay   = errors.New("custom retry strategy requires CustomDelay")
	errUnknownStrategy = errors.New("unknown retry strategy")
)
