package partnerdb

import (
	"github.com/dialtr/partnerdb/internal/vfs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// openLogger builds the store's structured logger, writing to dirname's
// `LOG` file and rotating any prior `LOG` to `LOG.old` first, per
// spec.md §6's named log files. If opts.Logger is already set, it is
// used as-is (letting an embedding application route logs elsewhere).
func openLogger(fs vfs.FS, dirname string, existing *zap.Logger) (*zap.Logger, error) {
	if existing != nil {
		return existing, nil
	}
	logName := fs.PathJoin(dirname, "LOG")
	oldName := fs.PathJoin(dirname, "LOG.old")
	_ = fs.Remove(oldName)
	_ = fs.Rename(logName, oldName)

	f, err := fs.Create(logName)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zap.InfoLevel)
	return zap.New(core), nil
}
