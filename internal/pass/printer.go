package pass

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/graph"
)

// PrinterName is the registry name of the printer pass.
const PrinterName = "printer"

func init() {
	Register(PrinterName, func(env Env) TreePass {
		return NewPrinterPass(env.Logger())
	})
}

// NewPrinterPass returns a read-only pass that logs every node at debug level.
func NewPrinterPass(log *logrus.Entry) *NodePass {
	logNode := func(_ context.Context, n *graph.Node) (Result, error) {
		fields := logrus.Fields{
			"id":       n.ID(),
			"kind":     n.Kind().String(),
			"children": len(n.Children()),
		}
		if a := n.Attrs(); a != nil {
			fields["op"] = a.OpName()
		}
		log.WithFields(fields).Debug(n.Name())
		return Result{}, nil
	}
	return NewNodePass(PrinterName, ReadOnly()).Generic(Handlers{Pre: logNode})
}
