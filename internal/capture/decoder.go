package capture

import (
	"image"
	"strings"
	"sync"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

type Decoder interface {
	Decode(img image.Image) (string, bool)
}

// QRDecoder reads QR codes with gozxing. Frames without a code are simply
// not a match.
type QRDecoder struct {
	mu     sync.Mutex
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

func NewQRDecoder() *QRDecoder {
	return &QRDecoder{
		reader: qrcode.NewQRCodeReader(),
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (d *QRDecoder) Decode(img image.Image) (string, bool) {
	if img == nil {
		return "", false
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", false
	}

	d.mu.Lock()
	result, err := d.reader.Decode(bmp, d.hints)
	d.reader.Reset()
	d.mu.Unlock()
	if err != nil {
		return "", false
	}

	text := strings.TrimSpace(result.GetText())
	return text, text != ""
}
