package main

import (
	"runtime"
	"unsafe"
)

const (
	levelDebug uint32 = iota
	levelInfo
	levelWarn
	levelError
)

//go:wasmimport env host_log
func host_log(level uint32, msgPtr uint32, msgLen uint32)

func log(level uint32, msg string) {
	if len(msg) == 0 {
		return
	}
	ptr, size := stringToPtr(msg)
	host_log(level, ptr, size)
	runtime.KeepAlive(msg)
}

//go:wasmimport env host_report_metric
func host_report_metric(namePtr uint32, nameLen uint32, value float64, timestamp int64)

func reportMetric(name string, value float64, timestamp int64) {
	if len(name) == 0 {
		return
	}
	ptr, size := stringToPtr(name)
	host_report_metric(ptr, size, value, timestamp)
	runtime.KeepAlive(name)
}

func bytesFrom(ptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// stringToPtr aliases s; the caller keeps s alive while the pointer is used.
func stringToPtr(s string) (uint32, uint32) {
	ptr := unsafe.Pointer(unsafe.StringData(s))
	return uint32(uintptr(ptr)), uint32(len(s))
}
