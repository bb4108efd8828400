package main

import "runtime"

func init() {
	// Lock the main goroutine to the main OS thread.
	// OpenCV's highgui needs window calls on the thread that created them.
	runtime.LockOSThread()
}

func main() {
	Execute()
}
