//go:build gocv

package transport

import (
	"gocv.io/x/gocv"
)

// decodeImage uses OpenCV, which yields BGR natively.
func decodeImage(data []byte) (*Frame, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if img.Empty() {
		return nil, ErrEmptyImage
	}
	if img.Channels() == 4 {
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(img, &bgr, gocv.ColorBGRAToBGR)
		return matFrame(bgr), nil
	}
	return matFrame(img), nil
}

func matFrame(m gocv.Mat) *Frame {
	return &Frame{
		Data:  m.ToBytes(),
		Shape: Shape{Height: m.Rows(), Width: m.Cols(), Channels: m.Channels()},
	}
}

func encodeJPEG(f *Frame, quality int) ([]byte, error) {
	var mt gocv.MatType
	switch f.Channels {
	case 1:
		mt = gocv.MatTypeCV8UC1
	case 3:
		mt = gocv.MatTypeCV8UC3
	default:
		return nil, errUnsupportedChannels(f.Channels)
	}
	m, err := gocv.NewMatFromBytes(f.Height, f.Width, mt, f.Data)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
