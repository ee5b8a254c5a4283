package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// ParallelOptions configura el comportamiento del procesamiento paralelo
type ParallelOptions struct {
	// MaxWorkers es el número máximo de trabajadores en paralelo
	MaxWorkers int
}

// DefaultOptions devuelve opciones predeterminadas para procesamiento paralelo
func DefaultOptions() ParallelOptions {
	return ParallelOptions{
		MaxWorkers: 10,
	}
}

// PanicError is reported in place of a result when itemFunc panics.
// The pool keeps running the remaining items.
type PanicError struct {
	Index int
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("item %d panicked: %v", e.Index, e.Value)
}

type indexedResult[R any] struct {
	index  int
	result R
	err    error
}

// ProcessParallel procesa elementos en paralelo usando la función de trabajo proporcionada.
// itemFunc se llama para cada elemento y debe devolver un resultado y/o error.
// Devuelve los resultados en el mismo orden que los elementos de entrada.
// Items that never ran because ctx ended report ctx.Err().
func ProcessParallel[T any, R any](
	ctx context.Context,
	items []T,
	opts ParallelOptions,
	itemFunc func(ctx context.Context, index int, item T) (R, error),
) ([]R, []error) {
	if len(items) == 0 {
		return []R{}, nil
	}

	maxWorkers := workerCount(opts, len(items))

	jobs := make(chan int, len(items))
	results := make(chan indexedResult[R], len(items))

	var wg sync.WaitGroup
	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for jobIndex := range jobs {
				if err := ctx.Err(); err != nil {
					results <- indexedResult[R]{index: jobIndex, err: err}
					continue
				}
				result, err := runItem(ctx, jobIndex, items[jobIndex], itemFunc)
				results <- indexedResult[R]{index: jobIndex, result: result, err: err}
			}
		}()
	}

	for i := range items {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	resultList := make([]R, len(items))
	errs := make([]error, len(items))
	for res := range results {
		resultList[res.index] = res.result
		errs[res.index] = res.err
	}

	// errores en orden de entrada, sin huecos
	var errorList []error
	for _, err := range errs {
		if err != nil {
			errorList = append(errorList, err)
		}
	}

	return resultList, errorList
}

// ForEach ejecuta una función para cada elemento en paralelo, sin recolectar resultados.
// Útil cuando solo necesitas efectos secundarios y no te importan los resultados.
func ForEach[T any](
	ctx context.Context,
	items []T,
	opts ParallelOptions,
	itemFunc func(ctx context.Context, index int, item T) error,
) []error {
	if len(items) == 0 {
		return nil
	}

	_, errs := ProcessParallel(ctx, items, opts, func(ctx context.Context, index int, item T) (struct{}, error) {
		return struct{}{}, itemFunc(ctx, index, item)
	})
	return errs
}

func runItem[T any, R any](
	ctx context.Context,
	index int,
	item T,
	itemFunc func(ctx context.Context, index int, item T) (R, error),
) (result R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Index: index, Value: r, Stack: debug.Stack()}
		}
	}()
	return itemFunc(ctx, index, item)
}

func workerCount(opts ParallelOptions, items int) int {
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10 // Default to 10 workers if not specified
	}
	// Use fewer workers if we have fewer items
	if maxWorkers > items {
		maxWorkers = items
	}
	return maxWorkers
}
