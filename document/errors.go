package document

import "errors"

var ErrUnknownIndexable = errors.New("unknown indexable")
