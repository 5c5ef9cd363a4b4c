package comfy

// OutputFile identifies one generated artifact on the worker.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput collects the artifacts one graph node produced.
type NodeOutput struct {
	Images []OutputFile `json:"images,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Videos []OutputFile `json:"videos,omitempty"`
}

// HistoryStatus is the terminal-state block of an execution record.
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// History is one execution record from the completion query.
type History struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// Succeeded reports whether the execution finished without error.
func (h *History) Succeeded() bool {
	return h != nil && h.Status.Completed && h.Status.StatusStr != "error"
}

// Files flattens every artifact across all nodes, video outputs first.
func (h *History) Files() []OutputFile {
	if h == nil {
		return nil
	}
	var files []OutputFile
	for _, out := range h.Outputs {
		files = append(files, out.Videos...)
		files = append(files, out.Gifs...)
		files = append(files, out.Images...)
	}
	return files
}
