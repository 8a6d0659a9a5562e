// Package triage classifies reported symptoms into an urgency tier using
// fixed safety rules. Evaluate is pure: it has no state, performs no I/O
// and returns a verdict for any input.
//
// Rules are applied in tiers. Emergency indicators are checked first and
// all of them are recorded. Urgent indicators are only checked when no
// emergency indicator fired, and the routine/self-care split only happens
// when neither tier raised the level. A vision-model prediction can lift
// routine to urgent but never to emergency; when a new rule is added it must
// keep that bias towards the more urgent tier.
package triage

// Red flag labels.
const (
	FlagVisionChange        = "sudden vision change"
	FlagBreathingDifficulty = "breathing difficulty"
	FlagChestPain           = "chest pain"
	FlagSevereHeadache      = "sudden severe headache"
	FlagConfusion           = "confusion"
	FlagFeverWithSevere     = "high fever with severe pain"
	FlagBleeding            = "bleeding"
	FlagSeverePain          = "severe pain"
)

// VisionThreshold is the probability a prediction must exceed to count as
// a red flag. Exactly 0.70 does not.
const VisionThreshold = 0.70

type rule struct {
	label     string
	reasoning string
	match     func(Symptoms) bool
}

// Emergency rules in precedence order.
var emergencyRules = []rule{
	{
		label:     FlagVisionChange,
		reasoning: "Sudden vision change is a danger sign and needs emergency care immediately.",
		match:     func(s Symptoms) bool { return s.VisionChanges },
	},
	{
		label:     FlagBreathingDifficulty,
		reasoning: "Difficulty breathing is a danger sign and needs emergency care immediately.",
		match:     func(s Symptoms) bool { return s.BreathingDifficulty },
	},
	{
		label:     FlagChestPain,
		reasoning: "Chest pain can indicate a serious cardiovascular condition.",
		match:     func(s Symptoms) bool { return s.ChestPain },
	},
	{
		label:     FlagSevereHeadache,
		reasoning: "A sudden severe headache can indicate bleeding in the brain.",
		match:     func(s Symptoms) bool { return s.SevereHeadache },
	},
	{
		label:     FlagConfusion,
		reasoning: "Confusion or altered consciousness is a danger sign and needs emergency care immediately.",
		match:     func(s Symptoms) bool { return s.Confusion },
	},
}

var urgentRules = []rule{
	{
		label:     FlagFeverWithSevere,
		reasoning: "High fever with severe pain should be examined the same day.",
		match:     func(s Symptoms) bool { return s.Fever && s.PainSeverity == PainSevere },
	},
	{
		label:     FlagBleeding,
		reasoning: "Bleeding should be assessed and treated soon.",
		match:     func(s Symptoms) bool { return s.Bleeding },
	},
	{
		label:     FlagSeverePain,
		reasoning: "Severe pain should be examined and treated soon.",
		match:     func(s Symptoms) bool { return s.PainSeverity == PainSevere },
	},
}

const (
	reasonVision   = "The image shows abnormal findings that a doctor should evaluate."
	reasonModerate = "Mild to moderate symptoms; see a doctor within the next few days."
	reasonSelfCare = "Mild symptoms; self-care at home and keep monitoring."
	reasonGeneric  = "Seek an evaluation for an accurate assessment."
)

// Evaluate returns the verdict for in.
func Evaluate(in Input) Verdict {
	v := Verdict{
		Level:    LevelRoutine,
		RedFlags: []RedFlag{},
	}
	s := in.Symptoms

	for _, r := range emergencyRules {
		if !r.match(s) {
			continue
		}
		v.RedFlags = append(v.RedFlags, RedFlag{Label: r.label, SeverityRank: int(LevelEmergency)})
		if v.Level != LevelEmergency {
			v.Level = LevelEmergency
			v.Reasoning = r.reasoning
		}
	}

	if v.Level != LevelEmergency {
		for _, r := range urgentRules {
			if !r.match(s) {
				continue
			}
			v.RedFlags = append(v.RedFlags, RedFlag{Label: r.label, SeverityRank: int(LevelUrgent)})
			if v.Level != LevelUrgent {
				v.Level = LevelUrgent
				v.Reasoning = r.reasoning
			}
		}

		if in.Vision != nil {
			for _, c := range in.Vision.TopConditions {
				if !(c.Prob > VisionThreshold) {
					continue
				}
				v.RedFlags = append(v.RedFlags, RedFlag{Label: c.Name, SeverityRank: int(LevelUrgent)})
				if v.Level == LevelRoutine {
					v.Level = LevelUrgent
					v.Reasoning = reasonVision
				}
			}
		}
	}

	if v.Level == LevelRoutine {
		switch {
		case s.Fever || s.PainSeverity == PainModerate:
			v.Reasoning = reasonModerate
		case s.PainSeverity == PainMild:
			v.Level = LevelSelfCare
			v.Reasoning = reasonSelfCare
		default:
			v.Reasoning = reasonGeneric
		}
	}

	return v
}
