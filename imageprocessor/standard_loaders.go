package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Register pure-Go decoders with image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"gocv.io/x/gocv"
)

// OpenCVDecoder decodes any container OpenCV understands straight to grayscale
type OpenCVDecoder struct{}

// NewOpenCVDecoder creates a decoder backed by gocv
func NewOpenCVDecoder() *OpenCVDecoder {
	return &OpenCVDecoder{}
}

func (d *OpenCVDecoder) Name() string { return "opencv" }

// CanDecode always returns true; OpenCV sniffs the container itself
func (d *OpenCVDecoder) CanDecode(FormatType) bool { return true }

// Decode loads the bytes with IMDecode in grayscale mode, keeping the source
// bit depth so 16-bit rasters are scaled rather than truncated by the codec
func (d *OpenCVDecoder) Decode(data []byte) (*image.Gray, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadGrayScale|gocv.IMReadAnyDepth)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, errors.New("opencv could not decode image")
	}

	// 16-bit sources come back as CV16U with IMReadAnyDepth
	if mat.Type() != gocv.MatTypeCV8UC1 {
		converted := gocv.NewMat()
		defer converted.Close()
		mat.ConvertToWithParams(&converted, gocv.MatTypeCV8UC1, 1.0/256, 0)
		return grayFromMat(converted)
	}

	return grayFromMat(mat)
}

// grayFromMat copies a single-channel 8-bit Mat into an image.Gray
func grayFromMat(mat gocv.Mat) (*image.Gray, error) {
	rows, cols := mat.Rows(), mat.Cols()
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("empty mat %dx%d", cols, rows)
	}

	data := mat.ToBytes()
	if len(data) != rows*cols {
		return nil, fmt.Errorf("unexpected mat layout: %d bytes for %dx%d", len(data), cols, rows)
	}

	return &image.Gray{
		Pix:    data,
		Stride: cols,
		Rect:   image.Rect(0, 0, cols, rows),
	}, nil
}

// GoImageDecoder decodes the formats registered with the image package
type GoImageDecoder struct{}

// NewGoImageDecoder creates a pure-Go decoder
func NewGoImageDecoder() *GoImageDecoder {
	return &GoImageDecoder{}
}

func (d *GoImageDecoder) Name() string { return "go-image" }

// CanDecode checks the sniffed format against the registered codecs
func (d *GoImageDecoder) CanDecode(format FormatType) bool {
	return IsKnownFormat(format)
}

// Decode runs image.Decode and converts the result to grayscale
func (d *GoImageDecoder) Decode(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return toGray(img), nil
}
