package conio

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadLineKeepsBytesPastTheLine(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind BackendKind) {
		r := require.New(t)

		_, addr := startServer(t, kind, func(co *Co, ch Channel) {
			if err := WriteFull(co, ch, []byte("alpha\r\nbeta\ntail")); err != nil {
				return
			}
			hangupAfterRead(co, ch)
		})
		client := startClient(t, kind)

		var (
			lines []string
			rest  string
			err   error
		)
		runIn(t, client, func(co *Co) {
			var ch Channel
			if ch, err = client.Dial(co, addr); err != nil {
				return
			}
			defer ch.Close()

			for i := 0; i < 2; i++ {
				var line []byte
				if line, err = ReadLine(co, ch); err != nil {
					return
				}
				lines = append(lines, string(line))
			}

			buf := make([]byte, 4)
			if err = ReadFull(co, ch, buf); err != nil {
				return
			}
			rest = string(buf)
		})

		r.NoError(err)
		r.Equal([]string{"alpha", "beta"}, lines)
		r.Equal("tail", rest)
	})
}

func TestReadLineEndOfStream(t *testing.T) {
	eachBackend(t, func(t *testing.T, kind BackendKind) {
		r := require.New(t)

		_, addr := startServer(t, kind, func(co *Co, ch Channel) {
			_ = WriteFull(co, ch, []byte("partial"))
		})
		client := startClient(t, kind)

		var err error
		runIn(t, client, func(co *Co) {
			var ch Channel
			if ch, err = client.Dial(co, addr); err != nil {
				return
			}
			defer ch.Close()
			_, err = ReadLine(co, ch)
		})
		r.ErrorIs(err, io.ErrUnexpectedEOF)
	})
}
