// Package doorbell contains the transports used to notify a device about new
// buffers in a virtqueue.
package doorbell
