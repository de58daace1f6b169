package gpusubmit

import "errors"

var (
	// ErrClosed is returned by every Device operation after Close.
	ErrClosed = errors.New("gpusubmit: device closed")

	// ErrCommandBufferClosed is returned when recording into a command
	// buffer that was submitted or disposed.
	ErrCommandBufferClosed = errors.New("gpusubmit: command buffer is not recording")

	// ErrUnsupported is returned for commands the command buffer's queue
	// type cannot execute, such as a draw on a copy queue.
	ErrUnsupported = errors.New("gpusubmit: command not supported on this queue type")

	// ErrUnknownParameter is returned when a descriptor table parameter or
	// offset does not exist in the bound signature.
	ErrUnknownParameter = errors.New("gpusubmit: unknown descriptor table slot")

	// ErrShortData is returned when an update supplies fewer bytes than the
	// destination footprint needs.
	ErrShortData = errors.New("gpusubmit: update data shorter than destination footprint")

	// ErrForeignCommandBuffer is returned when submitting a command buffer
	// created by another device.
	ErrForeignCommandBuffer = errors.New("gpusubmit: command buffer belongs to another device")

	// ErrMixedQueueTypes is returned by SubmitBatch for command buffers of
	// different queue types.
	ErrMixedQueueTypes = errors.New("gpusubmit: batch mixes queue types")
)
