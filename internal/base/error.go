package base

import "errors"

var (
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("invalid format version")
	ErrInvalidPageSize    = errors.New("invalid page size")
	ErrInvalidChecksum    = errors.New("invalid checksum")
	ErrCorruptPage        = errors.New("corrupt page")
	ErrPageFull           = errors.New("page full")
)
