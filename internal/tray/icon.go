//go:build !linux

package tray

// iconData is a 16x16 PNG rendered into the tray menu bar.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00,
	0x23, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0xa0, 0x06, 0x90,
	0x8b, 0xda, 0xf2, 0x9f, 0x1c, 0x3c, 0x08, 0x0d, 0x20, 0x16, 0x0c, 0x62,
	0x03, 0x86, 0x41, 0x2c, 0x8c, 0x1a, 0x40, 0x81, 0x01, 0x94, 0x00, 0x00,
	0xad, 0x55, 0xdf, 0x7a, 0xb9, 0xdc, 0x91, 0xba, 0x00, 0x00, 0x00, 0x00,
	0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
