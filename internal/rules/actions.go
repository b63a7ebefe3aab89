package rules

// SetFlag returns an executor that asserts value on the flag stored at key.
func SetFlag(key string, value any) Executor {
	return ExecutorFunc(func(x *Execution) error {
		f, err := x.DataSet.Flag(key)
		if err != nil {
			return err
		}
		f.SetValue(value)
		return nil
	})
}

// PurgeDataSet returns an executor that drops the data set from its rule set.
func PurgeDataSet() Executor {
	return ExecutorFunc(func(x *Execution) error {
		x.Purge()
		return nil
	})
}
