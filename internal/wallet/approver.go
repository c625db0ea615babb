package wallet

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/perpgate/internal/domain"
)

// Approval is one request shown to the wallet owner.
type Approval struct {
	Title  string
	Detail string
}

// Approver obtains the owner's consent. It returns domain.ErrUserRejected on refusal.
type Approver interface {
	Approve(ctx context.Context, a Approval) error
}

// AutoApprover accepts everything. Only for headless runs the owner opted into.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, Approval) error { return nil }

var titleStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("205")).
	Bold(true)

// PromptApprover asks on the terminal. Prompts are shown one at a time.
type PromptApprover struct {
	mu sync.Mutex
}

// NewPromptApprover creates a terminal approver.
func NewPromptApprover() *PromptApprover {
	return &PromptApprover{}
}

func (p *PromptApprover) Approve(ctx context.Context, a Approval) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var ok bool
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(titleStyle.Render(a.Title)).
				Description(a.Detail).
				Affirmative("Approve").
				Negative("Reject").
				Value(&ok),
		),
	).Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return domain.ErrUserRejected
		}
		return errors.Wrap(err, "approval prompt")
	}
	if !ok {
		return domain.ErrUserRejected
	}
	return nil
}

// describeTypedData renders what is being signed, fields in declaration order.
func describeTypedData(td apitypes.TypedData) string {
	var b strings.Builder
	chainID := ""
	if td.Domain.ChainId != nil {
		chainID = (*big.Int)(td.Domain.ChainId).String()
	}
	fmt.Fprintf(&b, "%s (%s v%s, chain %s)\n", td.PrimaryType, td.Domain.Name, td.Domain.Version, chainID)

	fields, ok := td.Types[td.PrimaryType]
	if !ok {
		keys := make([]string, 0, len(td.Message))
		for k := range td.Message {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, td.Message[k])
		}
		return b.String()
	}
	for _, f := range fields {
		fmt.Fprintf(&b, "  %s: %v\n", f.Name, td.Message[f.Name])
	}
	return b.String()
}
