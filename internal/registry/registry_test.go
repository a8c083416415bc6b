package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNameRejectsSlashAndHash(t *testing.T) {
	assert.Error(t, ValidateName("lp/1"))
	assert.Error(t, ValidateName("lp#1"))
	assert.Error(t, ValidateName(""))
	assert.NoError(t, ValidateName("lp1"))
}

func TestValidateDestParsesURI(t *testing.T) {
	name, typ, err := ValidateDest("ipp://host/printers/lp1")
	require.NoError(t, err)
	assert.Equal(t, "lp1", name)
	assert.Equal(t, TypePrinter, typ)

	_, _, err = ValidateDest("ipp://host/classes/cl1")
	assert.NoError(t, err)

	_, _, err = ValidateDest("http://host/printers/lp1")
	assert.Error(t, err)

	_, _, err = ValidateDest("ipp://host/widgets/lp1")
	assert.Error(t, err)
}

func TestAddPrinterAndClassShareNamespace(t *testing.T) {
	r := New(false)
	_, err := r.AddPrinter("lp1")
	require.NoError(t, err)

	_, err = r.AddClass("lp1")
	assert.Error(t, err)

	_, err = r.AddPrinter("lp1")
	assert.Error(t, err)
}

func TestSetAttrsStopsOnPausedReason(t *testing.T) {
	r := New(false)
	d, err := r.AddPrinter("lp1")
	require.NoError(t, err)

	err = d.SetAttrs(AttrUpdate{StateReasonsAdd: []string{"paused"}}, false, nil)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, d.State)
}

func TestSetAttrsRejectsReshareOfRemotePrinter(t *testing.T) {
	r := New(false)
	d, err := r.AddPrinter("lp1")
	require.NoError(t, err)
	d.DeviceURI = "ipp://remote-host/printers/lp1"

	shared := true
	err = d.SetAttrs(AttrUpdate{Shared: &shared}, false, nil)
	assert.Error(t, err)
}

func TestSetAttrsDeviceURIRequiresResolvableBackend(t *testing.T) {
	r := New(false)
	d, err := r.AddPrinter("lp1")
	require.NoError(t, err)

	uri := "file:///dev/usb/lp0"
	err = d.SetAttrs(AttrUpdate{DeviceURI: &uri}, false, nil)
	assert.Error(t, err)

	err = d.SetAttrs(AttrUpdate{DeviceURI: &uri}, true, nil)
	assert.NoError(t, err)

	uri2 := "socket://192.168.1.5"
	err = d.SetAttrs(AttrUpdate{DeviceURI: &uri2}, true, func(scheme string) bool { return scheme == "socket" })
	assert.NoError(t, err)
}

func TestAcceptRejectTogglesFlag(t *testing.T) {
	r := New(false)
	d, _ := r.AddPrinter("lp1")
	d.Reject()
	assert.False(t, d.Accepting)
	assert.True(t, d.StateReasons["rejecting-jobs"])

	d.Accept()
	assert.True(t, d.Accepting)
	assert.False(t, d.StateReasons["rejecting-jobs"])
}

func TestDeleteInvokesHookAndRemoves(t *testing.T) {
	r := New(false)
	r.AddPrinter("lp1")

	var hookCalled bool
	err := r.Delete("lp1", func(d *Destination) { hookCalled = true })
	require.NoError(t, err)
	assert.True(t, hookCalled)
	assert.Nil(t, r.Lookup("lp1"))
}

func TestExpireTemporaryDeletesPastStateTime(t *testing.T) {
	r := New(false)
	d, _ := r.AddPrinter("temp1")
	d.Temporary = true
	d.StateTime = time.Now().Add(-time.Minute)

	r.ExpireTemporary(time.Now(), nil)
	assert.Nil(t, r.Lookup("temp1"))
}
