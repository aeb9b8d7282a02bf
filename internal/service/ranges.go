package service

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrRangeNotSatisfiable — запрошенный диапазон не пересекается с контентом.
// Несёт полную длину для заголовка Content-Range в ответе 416.
type ErrRangeNotSatisfiable struct {
	TotalLength int64
}

func (e *ErrRangeNotSatisfiable) Error() string {
	return fmt.Sprintf("запрошенный диапазон вне контента длиной %d", e.TotalLength)
}

// byteRange — согласованный диапазон ответа.
// Full == true — отдаётся весь контент (200 OK).
// Иначе [Start, End] включительно (206 Partial Content).
type byteRange struct {
	Full  bool
	Start int64
	End   int64
}

// negotiateRange согласует заголовок Range с длиной контента.
//
// Полный контент (200) возвращается, когда: заголовок отсутствует,
// синтаксически некорректен, содержит несколько диапазонов либо
// полная длина неизвестна (total < 0). Ошибочный заголовок намеренно
// не приводит к отказу: клиент получает рабочий полный ответ.
//
// ErrRangeNotSatisfiable возвращается, когда диапазон корректен,
// но не пересекается с контентом (start >= total, пустой suffix).
func negotiateRange(header string, total int64) (byteRange, error) {
	full := byteRange{Full: true}

	if header == "" || total < 0 {
		return full, nil
	}

	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return full, nil
	}
	spec := strings.TrimPrefix(header, prefix)

	// multi-range не поддерживается: отдаётся полный контент
	if strings.Contains(spec, ",") {
		return full, nil
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return full, nil
	}
	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	// Suffix-форма bytes=-N: последние N байтов.
	// Пустой контент не пересекается ни с каким suffix'ом
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return full, nil
		}
		if n <= 0 || total == 0 {
			return byteRange{}, &ErrRangeNotSatisfiable{TotalLength: total}
		}
		if n > total {
			n = total
		}
		return byteRange{Start: total - n, End: total - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return full, nil
	}
	if start >= total {
		return byteRange{}, &ErrRangeNotSatisfiable{TotalLength: total}
	}

	// Открытая форма bytes=N-: от N до конца
	if endStr == "" {
		return byteRange{Start: start, End: total - 1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return full, nil
	}
	if end < start {
		return full, nil
	}
	if end >= total {
		end = total - 1
	}
	return byteRange{Start: start, End: end}, nil
}
