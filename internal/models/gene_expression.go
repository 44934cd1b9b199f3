package models

import (
	"math"

	"github.com/san-kum/cellforge/internal/model"
)

// GeneExpression couples a stochastic gene to a continuous energy
// metabolism. Transcription is exact and activated by ATP, translation is
// leaped and spends ATP, and glucose uptake feeds ATP continuously.
type GeneExpression struct {
	Transcription   float64 // mRNA/s at full activation
	ActivationK     float64 // mM ATP for half activation
	ActivationN     float64
	Translation     float64 // protein/s per mRNA
	MRNAHalfLife    float64 // s
	ProteinHalfLife float64 // s
	ATPPerProtein   float64 // mM
	UptakeVmax      float64 // mM/s
	UptakeKm        float64 // mM
	ATPYield        float64
	Maintenance     float64 // 1/s

	Glucose float64 // mM
	ATP     float64 // mM
}

func NewGeneExpression() *GeneExpression {
	return &GeneExpression{
		Transcription:   0.5,
		ActivationK:     2.0,
		ActivationN:     2.0,
		Translation:     0.04,
		MRNAHalfLife:    300,
		ProteinHalfLife: 3600,
		ATPPerProtein:   0.0002,
		UptakeVmax:      0.01,
		UptakeKm:        0.05,
		ATPYield:        18,
		Maintenance:     0.05,
		Glucose:         20,
		ATP:             3,
	}
}

func (m *GeneExpression) Build() (*model.Model, error) {
	b := model.NewBuilder("gene_expression")
	mrna := b.Species("mrna", 0, model.ClassDiscrete)
	protein := b.Species("protein", 0, model.ClassDiscrete)
	glucose := b.Species("glucose", m.Glucose, model.ClassContinuous)
	atp := b.Species("atp", m.ATP, model.ClassContinuous)

	b.Reaction("transcription", model.FormalismExact).
		Produce(mrna, 1).
		Hill(m.Transcription, m.ActivationK, m.ActivationN, atp)
	b.Reaction("mrna_decay", model.FormalismExact).
		Consume(mrna, 1).
		MassAction(math.Ln2 / m.MRNAHalfLife)
	b.Reaction("translation", model.FormalismLeaping).
		Catalyst(mrna).
		Produce(protein, 1).
		Produce(atp, -m.ATPPerProtein).
		MassAction(m.Translation)
	b.Reaction("protein_decay", model.FormalismLeaping).
		Consume(protein, 1).
		MassAction(math.Ln2 / m.ProteinHalfLife)
	b.Reaction("glucose_uptake", model.FormalismContinuous).
		Produce(glucose, -1).
		Produce(atp, m.ATPYield).
		MichaelisMenten(m.UptakeVmax, m.UptakeKm, glucose)
	b.Reaction("maintenance", model.FormalismContinuous).
		Consume(atp, 1).
		MassAction(m.Maintenance)
	return b.Build()
}
