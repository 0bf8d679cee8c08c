package asyncfiber

import "runtime"

// captureFrameImpl resolves the caller skip frames above itself into a
// [Frame]. Returns nil when the runtime can't resolve a frame.
func captureFrameImpl(skip int) *Frame {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return nil
	}
	fn := runtime.FuncForPC(pc)
	name := ""
	if fn != nil {
		name = fn.Name()
	}
	return &Frame{Function: name, File: file, Line: line}
}
