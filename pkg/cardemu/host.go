package cardemu

import (
	"fmt"

	"github.com/gregLibert/simtrace/pkg/simtrace"
)

// HandleMessage executes a CARDEM command from the host. Commands of other
// classes and unknown types are reported as errors and otherwise ignored.
func (c *Card) HandleMessage(m simtrace.Message) error {
	if m.Class != simtrace.ClassCardem {
		return fmt.Errorf("%s: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
	p, err := m.Decode()
	if err != nil {
		return err
	}

	switch body := p.(type) {
	case *simtrace.Data:
		if m.Type != simtrace.TypeTxData {
			return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
		}
		c.QueueTx(*body)
	case *simtrace.SetATR:
		return c.SetATR(body.ATR)
	case *simtrace.CardInsert:
		c.inserted = body.Inserted
		c.log.Info("card insert", "inserted", body.Inserted)
	case *simtrace.Config:
		c.features = body.Features & simtrace.FeatureStatusIRQ
		c.log.Info("config", "features", c.features)
		c.emit(simtrace.TypeConfig, simtrace.Config{Features: c.features})
	case *simtrace.Request:
		switch m.Type {
		case simtrace.TypeStatus:
			c.ReportStatus()
		case simtrace.TypeStats:
			c.emit(simtrace.TypeStats, c.stats)
		}
	case *simtrace.Status:
		c.ReportStatus()
	case *simtrace.Stats:
		c.emit(simtrace.TypeStats, c.stats)
	default:
		return fmt.Errorf("%s from host: %w", simtrace.TypeName(m.Class, m.Type), simtrace.ErrUnknownType)
	}
	return nil
}
