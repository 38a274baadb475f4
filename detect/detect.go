package detect

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/chaos-io/facecrop/geometry"
	"github.com/chaos-io/facecrop/imgcodec"
)

// Face 一个检测到的人脸
type Face struct {
	ID    string       `json:"id"`
	Area  geometry.Box `json:"facial_area"`
	Score float64      `json:"score"`
}

// Detector 人脸检测，返回的顺序即检测器给出的顺序，空切片表示没有人脸
type Detector interface {
	Detect(ctx context.Context, frame imgcodec.Frame) ([]Face, error)
}

// sortByKey 按 face_1, face_2, ..., face_10 的自然顺序排列
func sortByKey(faces []Face) {
	sort.SliceStable(faces, func(i, j int) bool {
		return naturalLess(faces[i].ID, faces[j].ID)
	})
}

func naturalLess(a, b string) bool {
	pa, na, oka := splitNumericSuffix(a)
	pb, nb, okb := splitNumericSuffix(b)
	if oka && okb && pa == pb && na != nb {
		return na < nb
	}
	return a < b
}

func splitNumericSuffix(s string) (string, int, bool) {
	i := strings.LastIndexFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if i == len(s)-1 {
		return s, 0, false
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return s, 0, false
	}
	return s[:i+1], n, true
}
