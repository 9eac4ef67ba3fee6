package uploadqueue

// Stats is a pure derivation over the current item list; it is recomputed
// on demand and never stored.
type Stats struct {
	Total      int
	Queued     int
	Uploading  int
	Processing int
	Paused     int
	Completed  int
	Failed     int
	Cancelled  int

	TotalBytes    int64
	UploadedBytes int64
	// OverallProgress is byte-weighted, clamped to [0,100]. Zero when the
	// queue holds no bytes.
	OverallProgress int
}

func computeStats(items []*Item) Stats {
	var st Stats
	var weighted int64
	for _, it := range items {
		st.Total++
		switch it.Status {
		case StatusQueued:
			st.Queued++
		case StatusUploading:
			st.Uploading++
		case StatusProcessing:
			st.Processing++
		case StatusPaused:
			st.Paused++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		case StatusCancelled:
			st.Cancelled++
		}

		st.TotalBytes += it.FileSize
		pct := int64(it.Progress)
		if it.Status == StatusCompleted {
			pct = 100
		}
		uploaded := it.FileSize * pct / 100
		st.UploadedBytes += uploaded
		weighted += it.FileSize * pct
	}

	if st.TotalBytes > 0 {
		st.OverallProgress = int(weighted / st.TotalBytes)
		if st.OverallProgress < 0 {
			st.OverallProgress = 0
		}
		if st.OverallProgress > 100 {
			st.OverallProgress = 100
		}
	}
	return st
}
