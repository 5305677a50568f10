package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"image-blur-pipeline/internal/models"
)

// COCO class ids used by the detection model.
const (
	classPerson     = 0
	classCar        = 2
	classMotorcycle = 3
	classBus        = 5
	classTruck      = 7
)

var vehicleClassIDs = map[int]bool{
	classCar:        true,
	classMotorcycle: true,
	classBus:        true,
	classTruck:      true,
}

// Detection is one box reported by the detector. Box is xyxy in pixels.
type Detection struct {
	Box        [4]float64 `json:"box"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
}

// Detector is the opaque model boundary. Implementations must be safe for
// concurrent use by multiple workers.
type Detector interface {
	Detect(ctx context.Context, imageBytes []byte) ([]Detection, error)
}

// VehicleDetection summarizes vehicle boxes above the confidence threshold.
type VehicleDetection struct {
	Boxes           [][4]float64 `json:"boxes"`
	Confidences     []float64    `json:"confidences"`
	ClassIDs        []int        `json:"class_ids"`
	DetectionCount  int          `json:"detection_count"`
	VehicleDetected bool         `json:"vehicle_detected"`
}

// FaceDetection summarizes person/face boxes above the confidence threshold.
type FaceDetection struct {
	Boxes         [][4]float64 `json:"boxes"`
	Confidences   []float64    `json:"confidences"`
	FaceCount     int          `json:"face_count"`
	FacesDetected bool         `json:"faces_detected"`
}

// BlurInfo records whether and why regions were overwritten.
type BlurInfo struct {
	Applied     bool   `json:"processing_applied"`
	RegionCount int    `json:"region_count"`
	Reason      string `json:"reason"`
}

// Flags are the boolean outcome predicates persisted with each record.
// Invariant: FaceBlurred implies FaceDetected and VehicleDetected.
type Flags struct {
	VehicleDetected bool `json:"vehicle_detected"`
	FaceDetected    bool `json:"face_detected"`
	FaceBlurred     bool `json:"face_blurred"`
}

// Result is the full structured outcome of one analysis pass. Output holds
// the possibly-modified image bytes; when no blur was applied it is the
// input bytes unchanged.
type Result struct {
	Output        []byte           `json:"-"`
	Vehicle       VehicleDetection `json:"vehicle_detection"`
	Face          FaceDetection    `json:"face_detection"`
	Blur          BlurInfo         `json:"face_blur"`
	Flags         Flags            `json:"flags"`
	SizeOriginal  int              `json:"size_original"`
	SizeProcessed int              `json:"size_processed"`
}

// Service runs the detection-and-blur transform. The detector is invoked
// exactly once per job; the same result drives both the no-vehicle skip
// decision and the blur pass, so the two can never disagree on thresholds
// or class sets.
type Service struct {
	detector         Detector
	vehicleThreshold float64
	faceThreshold    float64
	blurSigma        float64
}

// NewService builds the analysis service. Thresholds default to 0.8 and the
// blur sigma to 12 when left zero.
func NewService(detector Detector, vehicleThreshold, faceThreshold, blurSigma float64) *Service {
	if vehicleThreshold <= 0 {
		vehicleThreshold = 0.8
	}
	if faceThreshold <= 0 {
		faceThreshold = 0.8
	}
	if blurSigma <= 0 {
		blurSigma = 12
	}
	return &Service{
		detector:         detector,
		vehicleThreshold: vehicleThreshold,
		faceThreshold:    faceThreshold,
		blurSigma:        blurSigma,
	}
}

// Analyze runs one detection pass and, when both a vehicle and a face were
// found, overwrites every qualifying face region with a strong blur. The
// image is re-encoded only when at least one region was modified.
func (s *Service) Analyze(ctx context.Context, imageBytes []byte) (*Result, error) {
	if len(imageBytes) == 0 {
		return nil, models.ErrEmptyPayload
	}

	detections, err := s.detector.Detect(ctx, imageBytes)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	res := &Result{SizeOriginal: len(imageBytes)}
	var faceBoxes []image.Rectangle
	for _, d := range detections {
		switch {
		case vehicleClassIDs[d.ClassID] && d.Confidence >= s.vehicleThreshold:
			res.Vehicle.Boxes = append(res.Vehicle.Boxes, d.Box)
			res.Vehicle.Confidences = append(res.Vehicle.Confidences, d.Confidence)
			res.Vehicle.ClassIDs = append(res.Vehicle.ClassIDs, d.ClassID)
		case d.ClassID == classPerson && d.Confidence >= s.faceThreshold:
			res.Face.Boxes = append(res.Face.Boxes, d.Box)
			res.Face.Confidences = append(res.Face.Confidences, d.Confidence)
			faceBoxes = append(faceBoxes, rectFromBox(d.Box))
		}
	}
	res.Vehicle.DetectionCount = len(res.Vehicle.Boxes)
	res.Vehicle.VehicleDetected = res.Vehicle.DetectionCount > 0
	res.Face.FaceCount = len(res.Face.Boxes)
	res.Face.FacesDetected = res.Face.FaceCount > 0
	res.Flags.VehicleDetected = res.Vehicle.VehicleDetected
	res.Flags.FaceDetected = res.Face.FacesDetected

	res.Output = imageBytes
	res.Blur.Reason = "no vehicle or no face detected"

	if res.Flags.VehicleDetected && res.Flags.FaceDetected {
		blurred, regions, err := s.blurRegions(imageBytes, faceBoxes)
		if err != nil {
			return nil, err
		}
		if regions > 0 {
			res.Output = blurred
			res.Blur.Applied = true
			res.Blur.RegionCount = regions
			res.Blur.Reason = "vehicle and face detected"
			res.Flags.FaceBlurred = true
		}
	}

	res.SizeProcessed = len(res.Output)
	return res, nil
}

// blurRegions decodes the image, replaces each region with its blurred crop,
// and re-encodes as JPEG. Regions outside the image bounds are clipped;
// regions that clip to nothing are dropped.
func (s *Service) blurRegions(imageBytes []byte, regions []image.Rectangle) ([]byte, int, error) {
	img, err := imaging.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("decode image: %w", err)
	}

	canvas := imaging.Clone(img)
	applied := 0
	for _, region := range regions {
		clipped := region.Intersect(canvas.Bounds())
		if clipped.Empty() {
			continue
		}
		patch := imaging.Blur(imaging.Crop(canvas, clipped), s.blurSigma)
		canvas = imaging.Paste(canvas, patch, clipped.Min)
		applied++
	}
	if applied == 0 {
		return nil, 0, nil
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, canvas, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return nil, 0, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), applied, nil
}

func rectFromBox(box [4]float64) image.Rectangle {
	return image.Rect(int(box[0]), int(box[1]), int(box[2]), int(box[3]))
}
