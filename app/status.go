package app

import (
	"fmt"

	"hle/loader"
)

// ResultStatus is the outcome of a session operation.
type ResultStatus uint32

const (
	Success ResultStatus = iota
	ErrorNotInitialized
	ErrorGetLoader
	ErrorVideoCore
	ErrorCPUCore
	ErrorKernel
	ErrorUnknown
	// ErrorLoader is followed by one value per loader.ResultStatus:
	// ErrorLoader+s reports loader status s.
	ErrorLoader
)

// LoaderError returns the session status for a failed loader status.
func LoaderError(s loader.ResultStatus) ResultStatus {
	return ErrorLoader + ResultStatus(s)
}

// LoaderStatus extracts the loader status from an ErrorLoader value.
func (s ResultStatus) LoaderStatus() (loader.ResultStatus, bool) {
	if s < ErrorLoader {
		return 0, false
	}
	return loader.ResultStatus(s - ErrorLoader), true
}

func (s ResultStatus) String() string {
	switch s {
	case Success:
		return "success"
	case ErrorNotInitialized:
		return "not initialized"
	case ErrorGetLoader:
		return "no loader for file"
	case ErrorVideoCore:
		return "video core failed"
	case ErrorCPUCore:
		return "cpu core failed"
	case ErrorKernel:
		return "kernel error"
	case ErrorUnknown:
		return "unknown error"
	}
	if ls, ok := s.LoaderStatus(); ok {
		return "loader: " + ls.String()
	}
	return fmt.Sprintf("ResultStatus(%d)", uint32(s))
}

func (s ResultStatus) Error() string { return "app: " + s.String() }
