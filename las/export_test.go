package las

// SetChunkPoints changes how many records one goroutine of p decodes.
func SetChunkPoints(p *Pool, n int) {
	p.chunkPoints = n
}
