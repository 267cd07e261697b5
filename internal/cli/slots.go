package cli

import (
	"fmt"

	"github.com/effective-security/p11demo/p11"
	"github.com/effective-security/x/print"
)

// SlotsCmd prints available slots
type SlotsCmd struct {
	JSON bool `help:"print slots as JSON"`
}

// SlotsView is the list of slots in the three filtered views
type SlotsView struct {
	All         p11.Slots `json:"slots"`
	WithToken   p11.Slots `json:"slots_with_token"`
	Initialized p11.Slots `json:"slots_with_initialized_token"`
}

// Run the command
func (a *SlotsCmd) Run(ctx *Cli) error {
	defer ctx.Close()

	lib, err := ctx.Lib()
	if err != nil {
		return err
	}

	var view SlotsView
	if view.All, err = lib.AllSlots(); err != nil {
		return err
	}
	if view.WithToken, err = lib.SlotsWithToken(); err != nil {
		return err
	}
	if view.Initialized, err = lib.SlotsWithInitializedToken(); err != nil {
		return err
	}

	if a.JSON {
		print.JSON(ctx.Writer(), view)
		return nil
	}

	out := ctx.Writer()
	fmt.Fprintf(out, "slots: \n%s\n", view.All)
	fmt.Fprintf(out, "slots with token: \n%s\n", view.WithToken)
	fmt.Fprintf(out, "slots with initialized token: \n%s\n", view.Initialized)
	return nil
}
