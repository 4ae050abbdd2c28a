package cdss

import (
	"time"

	"github.com/google/uuid"
)

// Risk levels.
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

const (
	BMIUnderweight = "underweight"
	BMINormal      = "normal"
	BMIOverweight  = "overweight"
	BMIObese       = "obese"
)

const (
	BPNormal   = "normal"
	BPElevated = "elevated"
	BPHigh     = "high"
	BPCritical = "critical"
)

const (
	SugarHypoglycemic = "hypoglycemic"
	SugarNormal       = "normal"
	SugarPreDiabetic  = "pre-diabetic"
	SugarDiabetic     = "diabetic"
)

const (
	HeartBradycardia = "bradycardia"
	HeartNormal      = "normal"
	HeartTachycardia = "tachycardia"
)

// Input is one assessment questionnaire. Age, gender, weight and height are
// required; every other measurement is optional.
type Input struct {
	Age    *int     `json:"age" validate:"required,gte=0,lte=150"`
	Gender *string  `json:"gender" validate:"required,oneof=male female other"`
	Weight *float64 `json:"weight" validate:"required,gt=0"`
	// Height is in metres; values above 3 are read as centimetres.
	Height *float64 `json:"height" validate:"required,gt=0"`

	HighBloodPressure bool `json:"high_blood_pressure"`
	Diabetes          bool `json:"diabetes"`
	OnMedication      bool `json:"on_medication"`

	Headache          bool   `json:"headache"`
	Dizziness         bool   `json:"dizziness"`
	BlurredVision     bool   `json:"blurred_vision"`
	Palpitations      bool   `json:"palpitations"`
	Fatigue           bool   `json:"fatigue"`
	ChestPain         bool   `json:"chest_pain"`
	FrequentThirst    bool   `json:"frequent_thirst"`
	LossOfAppetite    bool   `json:"loss_of_appetite"`
	FrequentUrination bool   `json:"frequent_urination"`
	OtherSymptoms     string `json:"other_symptoms" validate:"max=1000"`
	NoSymptoms        bool   `json:"no_symptoms"`

	Systolic   *int     `json:"systolic_pressure" validate:"omitempty,gt=0,lt=400"`
	Diastolic  *int     `json:"diastolic_pressure" validate:"omitempty,gt=0,lt=300"`
	BloodSugar *float64 `json:"blood_sugar" validate:"omitempty,gt=0"`
	HeartRate  *int     `json:"heart_rate" validate:"omitempty,gt=0,lt=400"`

	SleepHours      *float64 `json:"sleep_hours" validate:"omitempty,gte=0,lte=24"`
	ExerciseMinutes *int     `json:"exercise_minutes" validate:"omitempty,gte=0,lte=1440"`
	EatsUnhealthy   bool     `json:"eats_unhealthy"`
	Smokes          bool     `json:"smokes"`
	ConsumesAlcohol bool     `json:"consumes_alcohol"`
	SkipsMedication bool     `json:"skips_medication"`
}

// Assessment is the scorer's output.
type Assessment struct {
	BMI                 float64  `json:"bmi"`
	BMICategory         string   `json:"bmi_category"`
	BloodPressureStatus string   `json:"blood_pressure_status,omitempty"`
	BloodSugarStatus    string   `json:"blood_sugar_status,omitempty"`
	HeartRateStatus     string   `json:"heart_rate_status,omitempty"`
	RiskFactors         []string `json:"risk_factors"`
	RiskLevel           string   `json:"risk_level"`
	Recommendations     []string `json:"recommendations"`
	Analysis            string   `json:"analysis"`
}

// Record is a persisted assessment. Records are never updated.
type Record struct {
	ID        uuid.UUID  `json:"id"`
	PatientID uuid.UUID  `json:"patient_id"`
	CHPID     *uuid.UUID `json:"chp_id,omitempty"`
	Input
	Assessment
	CreatedAt time.Time `json:"created_at"`
}
