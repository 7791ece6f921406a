package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on provider streams whose remaining output is no longer needed so
// the producing goroutine can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
