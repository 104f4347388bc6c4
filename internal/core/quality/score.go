// Package quality berechnet aus den Metadaten eines erkannten Gesichts
// einen zusammengesetzten Qualitäts-Score von 0 bis 100. Die Berechnung
// ist eine reine Funktion ohne I/O.
package quality

import (
	"math"

	"facecluster-go/internal/integrations/vision"
)

// Punkte-Obergrenzen der vier Teil-Scores
const (
	maxConfidencePoints = 30
	maxBrightnessPoints = 25
	maxSharpnessPoints  = 25
	maxPosePoints       = 20
)

// Helligkeits-Band, in dem die vollen Punkte vergeben werden (0-100-Skala)
const (
	brightnessBandLow  = 40.0
	brightnessBandHigh = 80.0
	brightnessFalloff  = 40.0 // Abstand, ab dem keine Teilpunkte mehr vergeben werden
)

// Pose-Abweichung in Grad, ab der keine Pose-Punkte mehr vergeben werden
const poseFalloffDegrees = 45.0

// Score berechnet den Qualitäts-Score eines Gesichts-Datensatzes.
// Teil-Scores: Konfidenz bis 30 Punkte, Helligkeit im Optimalband bis 25
// Punkte (sonst Teilpunkte), Schärfe linear bis 25 Punkte, Frontalität
// der Pose bis 20 Punkte. Fehlende optionale Metriken erhalten die Hälfte
// der jeweiligen Punkte, damit alte Datensätze nicht auf 0 fallen.
func Score(record vision.FaceRecord) int {
	score := confidencePoints(record.Confidence)

	if record.Quality != nil {
		score += brightnessPoints(record.Quality.Brightness)
		score += sharpnessPoints(record.Quality.Sharpness)
	} else {
		score += float64(maxBrightnessPoints) / 2
		score += float64(maxSharpnessPoints) / 2
	}

	if record.Pose != nil {
		score += posePoints(*record.Pose)
	} else {
		score += float64(maxPosePoints) / 2
	}

	return clampScore(int(math.Round(score)))
}

// confidencePoints bewertet die Detektor-Konfidenz (0-100) linear
func confidencePoints(confidence float64) float64 {
	return clamp01(confidence/100.0) * maxConfidencePoints
}

// brightnessPoints vergibt volle Punkte im Optimalband und Teilpunkte
// proportional zum Abstand vom Band
func brightnessPoints(brightness float64) float64 {
	if brightness >= brightnessBandLow && brightness <= brightnessBandHigh {
		return maxBrightnessPoints
	}

	var distance float64
	if brightness < brightnessBandLow {
		distance = brightnessBandLow - brightness
	} else {
		distance = brightness - brightnessBandHigh
	}

	credit := 1.0 - distance/brightnessFalloff
	return clamp01(credit) * maxBrightnessPoints
}

// sharpnessPoints bewertet die Schärfe (0-100) linear
func sharpnessPoints(sharpness float64) float64 {
	return clamp01(sharpness/100.0) * maxSharpnessPoints
}

// posePoints bewertet die Abweichung von der Frontalansicht. Maßstab ist
// der Mittelwert der absoluten Roll-/Yaw-/Pitch-Winkel.
func posePoints(pose vision.Pose) float64 {
	meanDeviation := (math.Abs(pose.Roll) + math.Abs(pose.Yaw) + math.Abs(pose.Pitch)) / 3.0
	credit := 1.0 - meanDeviation/poseFalloffDegrees
	return clamp01(credit) * maxPosePoints
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
