package dispatcher

import (
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenPrinting/ipp-scheduler/internal/ippattr"
)

func baseMessage(op goipp.Op) *goipp.Message {
	m := goipp.NewRequest(goipp.MakeVersion(2, 0), op, 1)
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))
	m.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/lp1")))
	return m
}

func TestDispatchRejectsUnsupportedVersion(t *testing.T) {
	d := New(false, false, "")
	m := baseMessage(goipp.OpGetPrinterAttributes)
	m.Version = goipp.MakeVersion(9, 0)

	resp := d.Dispatch(&Context{Message: m})
	assert.Equal(t, goipp.Code(goipp.StatusErrorVersionNotSupported), resp.Code)
}

func TestDispatchRejectsMissingCharsetAttribute(t *testing.T) {
	d := New(false, false, "")
	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpGetPrinterAttributes, 1)

	resp := d.Dispatch(&Context{Message: m})
	assert.Equal(t, goipp.Code(goipp.StatusErrorBadRequest), resp.Code)
}

func TestDispatchRejectsUnsupportedCharset(t *testing.T) {
	d := New(false, false, "")
	m := baseMessage(goipp.OpGetPrinterAttributes)
	m.Operation[0] = goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("iso-8859-1"))

	resp := d.Dispatch(&Context{Message: m})
	assert.Equal(t, goipp.Code(goipp.StatusErrorCharset), resp.Code)
}

func TestDispatchAllowsEnumerateOperationWithoutTargetURI(t *testing.T) {
	d := New(false, false, "")
	m := goipp.NewRequest(goipp.MakeVersion(2, 0), goipp.OpCupsGetPrinters, 1)
	m.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	m.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en")))

	called := false
	d.Register(goipp.OpCupsGetPrinters, func(ctx *Context) (*ippattr.Set, []byte, error) {
		called = true
		return nil, nil, nil
	})

	resp := d.Dispatch(&Context{Message: m})
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	assert.True(t, called)
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := New(false, false, "")
	m := baseMessage(goipp.OpGetPrinterAttributes)

	var seenUser string
	d.Register(goipp.OpGetPrinterAttributes, func(ctx *Context) (*ippattr.Set, []byte, error) {
		seenUser = ctx.User
		set := ippattr.NewSet()
		set.Append(goipp.TagPrinterGroup, "printer-state", goipp.TagEnum, goipp.Integer(3))
		return set, nil, nil
	})

	resp := d.Dispatch(&Context{Message: m})
	require.Equal(t, goipp.Code(goipp.StatusOk), resp.Code)
	assert.Equal(t, "anonymous", seenUser)
	require.Len(t, resp.Printer, 1)
	assert.Equal(t, "printer-state", resp.Printer[0].Name)
}

func TestDispatchRewritesRemoteRootUser(t *testing.T) {
	d := New(false, true, "remote-root")
	m := baseMessage(goipp.OpGetPrinterAttributes)
	m.Operation.Add(goipp.MakeAttribute("requesting-user-name", goipp.TagName, goipp.String("root")))

	var seenUser string
	d.Register(goipp.OpGetPrinterAttributes, func(ctx *Context) (*ippattr.Set, []byte, error) {
		seenUser = ctx.User
		return nil, nil, nil
	})

	d.Dispatch(&Context{Message: m, Remote: true})
	assert.Equal(t, "remote-root", seenUser)
}

func TestDispatchUnknownOperationIsNotSupported(t *testing.T) {
	d := New(false, false, "")
	m := baseMessage(goipp.Op(0x7fff))

	resp := d.Dispatch(&Context{Message: m})
	assert.Equal(t, goipp.Code(goipp.StatusErrorOperationNotSupported), resp.Code)
}
