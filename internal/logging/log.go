package logging

// Printf-style helpers in the "pkg.Type.method key=value" line format.

func Tracef(format string, args ...any) {
	l := L()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := L()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := L()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := L()
	l.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	l := L()
	l.Error().Msgf(format, args...)
}
