//go:build !linux

package serial

// makeRaw на других системах порт используется с настройками по умолчанию
func makeRaw(fd int, baud int) error {
	return nil
}
