// Binary usbflash writes bootable USB media: it provisions a removable
// device, writes a disk image or installer tree onto it, installs a boot
// configuration overlay and verifies the result.
package main

import "github.com/usbflash/tools/internal/cli"

func main() {
	cli.Execute()
}
