package sketch

// NewThetaChecked always fails: no Go binding to Apache DataSketches
// exists in this module's dependency set to back a Theta sketch
// implementation. Callers building a Registry should attempt this once
// at startup and simply skip registering "theta" when it errors,
// mirroring the reference implementation's try/except around its
// optional import.
func NewThetaChecked(Config) (Sketch, error) {
	return nil, ErrUnavailable
}
