package cdss

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput reports a value outside its allowed range.
var ErrInvalidInput = errors.New("invalid input")

// MissingRequiredField reports an absent required input.
type MissingRequiredField struct {
	Field string
}

func (e *MissingRequiredField) Error() string {
	return e.Field + " is required"
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateInput(in *Input) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return &MissingRequiredField{Field: fe.Field()}
	}
	return fmt.Errorf("%w: %s failed %s validation", ErrInvalidInput, fe.Field(), fe.Tag())
}

// Score classifies one questionnaire. It has no side effects and returns the
// same assessment for the same input.
func Score(in Input) (Assessment, error) {
	in.normalize()
	if err := validateInput(&in); err != nil {
		return Assessment{}, err
	}

	height := *in.Height
	if height > 3.0 {
		height /= 100
	}
	bmi := round2(*in.Weight / (height * height))

	a := Assessment{
		BMI:         bmi,
		BMICategory: bmiCategory(bmi),
	}

	bpCritical, sugarCritical := false, false
	if in.Systolic != nil && in.Diastolic != nil {
		a.BloodPressureStatus = bloodPressureStatus(*in.Systolic, *in.Diastolic)
		bpCritical = a.BloodPressureStatus == BPCritical
	}
	if in.BloodSugar != nil {
		a.BloodSugarStatus = bloodSugarStatus(*in.BloodSugar)
		sugarCritical = *in.BloodSugar < 54 || *in.BloodSugar >= 200
	}
	if in.HeartRate != nil {
		a.HeartRateStatus = heartRateStatus(*in.HeartRate)
	}

	a.RiskFactors = riskFactors(&in, &a, sugarCritical)

	switch n := len(a.RiskFactors); {
	case in.ChestPain || bpCritical || sugarCritical:
		a.RiskLevel = RiskCritical
	case n == 0:
		a.RiskLevel = RiskLow
	case n <= 2:
		a.RiskLevel = RiskModerate
	default:
		a.RiskLevel = RiskHigh
	}

	a.Recommendations = recommendations(&in, &a, sugarCritical)
	a.Analysis = analysis(&in, &a)
	return a, nil
}

func (in *Input) normalize() {
	if in.Gender != nil {
		g := strings.ToLower(strings.TrimSpace(*in.Gender))
		in.Gender = &g
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func bmiCategory(bmi float64) string {
	switch {
	case bmi < 18.5:
		return BMIUnderweight
	case bmi < 25:
		return BMINormal
	case bmi < 30:
		return BMIOverweight
	}
	return BMIObese
}

func bloodPressureStatus(systolic, diastolic int) string {
	switch {
	case systolic >= 180 || diastolic >= 120:
		return BPCritical
	case systolic >= 140 || diastolic >= 90:
		return BPHigh
	case systolic >= 120 || diastolic >= 80:
		return BPElevated
	}
	return BPNormal
}

func bloodSugarStatus(mgdl float64) string {
	switch {
	case mgdl < 70:
		return SugarHypoglycemic
	case mgdl < 100:
		return SugarNormal
	case mgdl < 126:
		return SugarPreDiabetic
	}
	return SugarDiabetic
}

func heartRateStatus(bpm int) string {
	switch {
	case bpm < 60:
		return HeartBradycardia
	case bpm <= 100:
		return HeartNormal
	}
	return HeartTachycardia
}

func riskFactors(in *Input, a *Assessment, sugarCritical bool) []string {
	factors := []string{}
	if a.BMICategory == BMIObese {
		factors = append(factors, "obesity")
	}

	switch a.BloodPressureStatus {
	case BPElevated:
		factors = append(factors, "elevated blood pressure")
	case BPHigh:
		factors = append(factors, "high blood pressure")
	case BPCritical:
		factors = append(factors, "critically high blood pressure")
	}

	switch a.BloodSugarStatus {
	case SugarHypoglycemic:
		if sugarCritical {
			factors = append(factors, "critically low blood sugar")
		} else {
			factors = append(factors, "low blood sugar")
		}
	case SugarPreDiabetic:
		factors = append(factors, "pre-diabetic blood sugar levels")
	case SugarDiabetic:
		if sugarCritical {
			factors = append(factors, "critically high blood sugar")
		} else {
			factors = append(factors, "high blood sugar")
		}
	}

	switch a.HeartRateStatus {
	case HeartBradycardia:
		factors = append(factors, "low heart rate")
	case HeartTachycardia:
		factors = append(factors, "elevated heart rate")
	}

	if in.HighBloodPressure {
		factors = append(factors, "history of high blood pressure")
	}
	if in.Diabetes {
		factors = append(factors, "history of diabetes")
	}
	if in.Smokes {
		factors = append(factors, "smoking")
	}
	if in.ConsumesAlcohol {
		factors = append(factors, "alcohol consumption")
	}
	if in.EatsUnhealthy {
		factors = append(factors, "unhealthy diet")
	}
	if in.SkipsMedication {
		factors = append(factors, "medication non-compliance")
	}
	if in.SleepHours != nil && *in.SleepHours < 7 {
		factors = append(factors, "insufficient sleep")
	}
	if in.ExerciseMinutes != nil && *in.ExerciseMinutes < 30 {
		factors = append(factors, "insufficient exercise")
	}
	if *in.Age > 60 {
		factors = append(factors, "age over 60")
	}
	return factors
}

// Recommendation texts, grouped in the order they are emitted.
const (
	recUnderweight      = "Consider a nutrient-rich diet to reach a healthy weight, and ask a healthcare provider about possible causes of low weight."
	recHealthyWeight    = "Consider a balanced diet and regular exercise to achieve a healthy weight."
	recMonitorBP        = "Monitor blood pressure regularly and follow a low-sodium diet."
	recBPMedication     = "Consult with a healthcare provider about medication options for blood pressure management."
	recCriticalBP       = "Your blood pressure is in a dangerous range. Seek medical care immediately."
	recLowSugar         = "Your blood sugar is low. Take a fast-acting source of sugar and recheck your level."
	recMonitorSugar     = "Monitor blood sugar levels regularly and limit sugar intake."
	recDiabetesCare     = "Consult with a healthcare provider about diabetes management options."
	recCriticalSugar    = "Your blood sugar is in a dangerous range. Seek medical care immediately."
	recLowHeartRate     = "Your heart rate is below the normal range. Discuss it with a healthcare provider, especially if you feel dizzy or tired."
	recHighHeartRate    = "Your heart rate is above the normal range. Rest, recheck it, and see a healthcare provider if it stays high."
	recQuitSmoking      = "Quitting smoking can significantly improve overall health. Consider smoking cessation programs."
	recLimitAlcohol     = "Limit alcohol consumption to improve overall health."
	recBalancedDiet     = "Adopt a balanced diet rich in fruits, vegetables, and whole grains, while limiting processed foods."
	recTakeMedication   = "Regularly taking prescribed medications is crucial for managing your condition effectively."
	recExercise         = "Aim for at least 30 minutes of moderate exercise most days of the week."
	recSleep            = "Try to maintain a regular sleep schedule with 7-9 hours of sleep per night."
	recClosingLow       = "Continue with healthy lifestyle habits and regular check-ups."
	recClosingModerate  = "Discuss these risk factors with a healthcare provider at your next check-up."
	recClosingHigh      = "Based on your risk factors, we recommend scheduling an appointment with a healthcare provider soon."
	recClosingChestPain = "Chest pain can be a sign of a serious condition. Seek immediate medical attention."
	recClosingCritical  = "Your readings need urgent attention. Seek immediate medical care."
)

func recommendations(in *Input, a *Assessment, sugarCritical bool) []string {
	var recs []string

	switch a.BMICategory {
	case BMIUnderweight:
		recs = append(recs, recUnderweight)
	case BMIOverweight, BMIObese:
		recs = append(recs, recHealthyWeight)
	}

	bpRaised := a.BloodPressureStatus == BPElevated || a.BloodPressureStatus == BPHigh || a.BloodPressureStatus == BPCritical
	if bpRaised || in.HighBloodPressure {
		recs = append(recs, recMonitorBP)
	}
	if (a.BloodPressureStatus == BPHigh || a.BloodPressureStatus == BPCritical) && !in.OnMedication {
		recs = append(recs, recBPMedication)
	}
	if a.BloodPressureStatus == BPCritical {
		recs = append(recs, recCriticalBP)
	}

	if a.BloodSugarStatus == SugarHypoglycemic {
		recs = append(recs, recLowSugar)
	}
	if a.BloodSugarStatus == SugarPreDiabetic || a.BloodSugarStatus == SugarDiabetic || in.Diabetes {
		recs = append(recs, recMonitorSugar)
	}
	if a.BloodSugarStatus == SugarDiabetic && !in.OnMedication {
		recs = append(recs, recDiabetesCare)
	}
	if sugarCritical {
		recs = append(recs, recCriticalSugar)
	}

	switch a.HeartRateStatus {
	case HeartBradycardia:
		recs = append(recs, recLowHeartRate)
	case HeartTachycardia:
		recs = append(recs, recHighHeartRate)
	}

	if in.Smokes {
		recs = append(recs, recQuitSmoking)
	}
	if in.ConsumesAlcohol {
		recs = append(recs, recLimitAlcohol)
	}
	if in.EatsUnhealthy {
		recs = append(recs, recBalancedDiet)
	}
	if in.SkipsMedication {
		recs = append(recs, recTakeMedication)
	}
	if in.ExerciseMinutes != nil && *in.ExerciseMinutes < 30 {
		recs = append(recs, recExercise)
	}
	if in.SleepHours != nil && *in.SleepHours < 7 {
		recs = append(recs, recSleep)
	}

	switch a.RiskLevel {
	case RiskLow:
		recs = append(recs, recClosingLow)
	case RiskModerate:
		recs = append(recs, recClosingModerate)
	case RiskHigh:
		recs = append(recs, recClosingHigh)
	case RiskCritical:
		if in.ChestPain {
			recs = append(recs, recClosingChestPain)
		} else {
			recs = append(recs, recClosingCritical)
		}
	}
	return recs
}

func symptoms(in *Input) []string {
	flags := []struct {
		set  bool
		name string
	}{
		{in.Headache, "headache"},
		{in.Dizziness, "dizziness"},
		{in.BlurredVision, "blurred vision"},
		{in.Palpitations, "palpitations"},
		{in.Fatigue, "fatigue"},
		{in.ChestPain, "chest pain"},
		{in.FrequentThirst, "frequent thirst"},
		{in.LossOfAppetite, "loss of appetite"},
		{in.FrequentUrination, "frequent urination"},
	}
	var out []string
	for _, f := range flags {
		if f.set {
			out = append(out, f.name)
		}
	}
	if other := strings.TrimSpace(in.OtherSymptoms); other != "" {
		out = append(out, "other symptoms: "+other)
	}
	return out
}

func analysis(in *Input, a *Assessment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a %d-year-old %s with a BMI of %.1f (%s).", *in.Age, *in.Gender, a.BMI, a.BMICategory)

	var history []string
	if in.HighBloodPressure {
		history = append(history, "high blood pressure")
	}
	if in.Diabetes {
		history = append(history, "diabetes")
	}
	if len(history) > 0 {
		fmt.Fprintf(&b, " Your medical history includes %s.", strings.Join(history, " and "))
	}
	if in.OnMedication {
		b.WriteString(" You are currently on medication.")
	}
	if s := symptoms(in); len(s) > 0 {
		fmt.Fprintf(&b, " You are presenting with the following symptoms: %s.", strings.Join(s, ", "))
	}
	if a.BloodPressureStatus != "" {
		fmt.Fprintf(&b, " Your blood pressure is %d/%d mmHg (%s).", *in.Systolic, *in.Diastolic, a.BloodPressureStatus)
	}
	if a.BloodSugarStatus != "" {
		fmt.Fprintf(&b, " Your blood sugar level is %s mg/dL (%s).",
			strconv.FormatFloat(*in.BloodSugar, 'f', -1, 64), a.BloodSugarStatus)
	}
	if a.HeartRateStatus != "" {
		fmt.Fprintf(&b, " Your heart rate is %d BPM (%s).", *in.HeartRate, a.HeartRateStatus)
	}
	if len(a.RiskFactors) > 0 {
		fmt.Fprintf(&b, " Your risk factors include: %s.", strings.Join(a.RiskFactors, ", "))
	}
	return b.String()
}
