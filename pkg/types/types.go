package types

// KeypointColumns is the number of float columns stored per keypoint
const KeypointColumns = 4

// Keypoint is a detected interest point in image pixel coordinates
type Keypoint struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Scale       float64 `json:"scale"`
	Orientation float64 `json:"orientation"` // degrees
}

// Patch is a square single-channel tensor sampled around a keypoint.
// Data is row-major with Size*Size values in [0,1].
type Patch struct {
	Size int
	Data []float32
}

// Len returns the number of values the patch should hold
func (p Patch) Len() int {
	return p.Size * p.Size
}

// Descriptor is a fixed-length embedding of one patch
type Descriptor []float32

// Record pairs the keypoints and descriptors of one image.
// Keypoints[i] and Descriptors[i] always describe the same point.
type Record struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
	Dim         int
}

// Len returns the number of features in the record
func (r *Record) Len() int {
	return len(r.Keypoints)
}

// Validate checks the keypoint/descriptor count invariant and descriptor lengths
func (r *Record) Validate() error {
	if len(r.Keypoints) != len(r.Descriptors) {
		return &ShapeMismatchError{Keypoints: len(r.Keypoints), Descriptors: len(r.Descriptors), Dim: r.Dim}
	}
	for i, d := range r.Descriptors {
		if len(d) != r.Dim {
			return &ShapeMismatchError{
				Keypoints:   len(r.Keypoints),
				Descriptors: len(r.Descriptors),
				Dim:         r.Dim,
				Row:         i,
				RowLen:      len(d),
			}
		}
	}
	return nil
}

// KeypointMatrix flattens the keypoints into a row-major N*4 float32 slice
func (r *Record) KeypointMatrix() []float32 {
	out := make([]float32, 0, len(r.Keypoints)*KeypointColumns)
	for _, kp := range r.Keypoints {
		out = append(out, float32(kp.X), float32(kp.Y), float32(kp.Scale), float32(kp.Orientation))
	}
	return out
}

// DescriptorMatrix flattens the descriptors into a row-major N*Dim float32 slice
func (r *Record) DescriptorMatrix() []float32 {
	out := make([]float32, 0, len(r.Descriptors)*r.Dim)
	for _, d := range r.Descriptors {
		out = append(out, d...)
	}
	return out
}

// KeypointsFromMatrix rebuilds keypoints from a row-major N*4 slice
func KeypointsFromMatrix(data []float32) []Keypoint {
	n := len(data) / KeypointColumns
	kps := make([]Keypoint, n)
	for i := range kps {
		row := data[i*KeypointColumns : (i+1)*KeypointColumns]
		kps[i] = Keypoint{
			X:           float64(row[0]),
			Y:           float64(row[1]),
			Scale:       float64(row[2]),
			Orientation: float64(row[3]),
		}
	}
	return kps
}

// DescriptorsFromMatrix splits a row-major N*dim slice into descriptors
func DescriptorsFromMatrix(data []float32, dim int) []Descriptor {
	if dim <= 0 {
		return []Descriptor{}
	}
	n := len(data) / dim
	descs := make([]Descriptor, n)
	for i := range descs {
		descs[i] = Descriptor(data[i*dim : (i+1)*dim : (i+1)*dim])
	}
	return descs
}
