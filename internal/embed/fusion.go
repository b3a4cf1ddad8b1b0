package embed

import "math"

// Fuse combines a text vector and an image vector of the same item into one.
// The weight is the cosine between the two modalities clamped to [0, 1]:
// items whose text and pixels agree lean toward the text vector, and
// disagreements collapse toward the image vector. When either norm is zero
// the weight is 0.5. Vectors of different lengths are truncated to the
// shorter one.
func Fuse(text, image []float32) []float32 {
	n := len(text)
	if len(image) < n {
		n = len(image)
	}

	if n == 0 {
		return []float32{}
	}

	text = text[:n]
	image = image[:n]

	var dot, tNorm, iNorm float64
	for k := 0; k < n; k++ {
		dot += float64(text[k]) * float64(image[k])
		tNorm += float64(text[k]) * float64(text[k])
		iNorm += float64(image[k]) * float64(image[k])
	}

	w := 0.5
	if tNorm > 0 && iNorm > 0 {
		cos := dot / (math.Sqrt(tNorm) * math.Sqrt(iNorm))
		w = math.Min(math.Max(cos, 0), 1)
	}

	fused := make([]float32, n)
	for k := 0; k < n; k++ {
		fused[k] = float32(w*float64(text[k]) + (1-w)*float64(image[k]))
	}

	return fused
}
