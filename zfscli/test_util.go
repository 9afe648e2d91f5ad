package zfscli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var zfsPermissions = []string{
	"canmount",
	"clone",
	"compression",
	"create",
	"destroy",
	"mount",
	"mountpoint",
	"promote",
	"readonly",
	"refquota",
	"refreservation",
	"rename",
	"rollback",
	"send",
	"snapshot",
	"userprop",
	"volsize",
}

// TestZPool creates a zpool backed by temp files with the given name, runs fn and destroys the pool.
// It needs sudo rights for zpool and zfs.
func TestZPool(zpool string, fn func()) {
	noErr := func(err error, out string) {
		if err != nil {
			fmt.Println(out)
			panic(err)
		}
	}
	args := []string{
		"zpool", "create", zpool,
	}

	for i := 0; i < 3; i++ {
		f, err := os.CreateTemp(os.TempDir(), "zfsabi-zpool-")
		noErr(err, "")
		err = f.Truncate(1 << 29)
		noErr(err, "")
		noErr(f.Close(), "")

		args = append(args, f.Name())

		defer os.Remove(f.Name()) // nolint:revive // its ok to defer to end of func
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sudo", args...)
	out, err := cmd.CombinedOutput()
	noErr(err, string(out))

	cmd = exec.CommandContext(ctx, "sudo",
		"zfs", "allow", "everyone",
		strings.Join(zfsPermissions, ","),
		zpool,
	)
	out, err = cmd.CombinedOutput()
	noErr(err, string(out))

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sudo", "zpool", "destroy", zpool)
		out, err := cmd.CombinedOutput()
		noErr(err, string(out))
	}()

	fn()
}
