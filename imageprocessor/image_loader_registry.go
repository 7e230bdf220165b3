package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"nftguard/logging"
)

// DecoderRegistry tries its decoders in registration order until one succeeds
type DecoderRegistry struct {
	decoders []Decoder
	mutex    sync.RWMutex
}

// NewDecoderRegistry creates a registry with the OpenCV decoder first and the
// pure-Go decoder as fallback
func NewDecoderRegistry() *DecoderRegistry {
	registry := &DecoderRegistry{}
	registry.RegisterDecoder(NewOpenCVDecoder())
	registry.RegisterDecoder(NewGoImageDecoder())
	return registry
}

// NewEmptyDecoderRegistry creates a registry without any decoders
func NewEmptyDecoderRegistry() *DecoderRegistry {
	return &DecoderRegistry{}
}

// RegisterDecoder appends a decoder to the chain
func (r *DecoderRegistry) RegisterDecoder(decoder Decoder) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.decoders = append(r.decoders, decoder)
}

// Decoders returns the registered decoders in order
func (r *DecoderRegistry) Decoders() []Decoder {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Decoder, len(r.decoders))
	copy(out, r.decoders)
	return out
}

// Decode runs every decoder that accepts the sniffed format and returns the
// first raster produced. Failures are joined into a single *DecodeError.
func (r *DecoderRegistry) Decode(data []byte) (*image.Gray, error) {
	format := DetectFormat(data)

	var errs []error
	for _, decoder := range r.Decoders() {
		if !decoder.CanDecode(format) {
			continue
		}

		gray, err := decoder.Decode(data)
		if err == nil && gray != nil {
			logging.DebugLog("Decoded %s image with %s decoder", format, decoder.Name())
			return gray, nil
		}
		if err == nil {
			err = errors.New("no raster returned")
		}
		logging.DebugLog("Decoder %s failed for %s image: %v", decoder.Name(), format, err)
		errs = append(errs, fmt.Errorf("%s: %w", decoder.Name(), err))
	}

	if len(errs) == 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("no decoder accepts format %s", format)}
	}
	return nil, &DecodeError{Reason: "no decoder produced a raster", Err: errors.Join(errs...)}
}
