package capacity

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const smiTimeout = 5 * time.Second

// SmiProbe reads GPU memory through nvidia-smi. Only the first GPU is
// consulted; multi-GPU scheduling is outside this component.
type SmiProbe struct {
	// Path overrides the nvidia-smi binary location. Empty uses PATH.
	Path string
}

func (p SmiProbe) TotalMB() (float64, error) {
	return p.query("memory.total")
}

func (p SmiProbe) ReservedMB() (float64, error) {
	return p.query("memory.reserved")
}

func (p SmiProbe) query(field string) (float64, error) {
	bin := p.Path
	if bin == "" {
		bin = "nvidia-smi"
	}
	ctx, cancel := context.WithTimeout(context.Background(), smiTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, bin, "--query-gpu="+field, "--format=csv,noheader,nounits", "--id=0").Output()
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi %s: %w", field, err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	v, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, fmt.Errorf("nvidia-smi %s: parse %q: %w", field, line, err)
	}
	return v, nil
}
