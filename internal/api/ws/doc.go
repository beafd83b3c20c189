// Package ws streams host lifecycle events to the presentation layer over
// websockets. Frames are JSON objects of the form {"type", "data", "at"}.
package ws
